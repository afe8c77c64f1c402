// internal/template/template.go
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var specialVar = regexp.MustCompile(`(?i)\{\{(current_date|current_datetime|iso_datetime|current_user|attached_files)\}\}`)

// User is the subset of the signed-in user that prompts can reference.
type User struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// File describes an attachment listed by {{attached_files}}.
type File struct {
	Filename     string `json:"filename"`
	Filepath     string `json:"filepath"`
	AbsolutePath string `json:"absolutePath,omitempty"`
	Type         string `json:"type"`
	Source       string `json:"source"`
	Width        *int   `json:"width,omitempty"`
	Height       *int   `json:"height,omitempty"`
}

// Vars is the context available to ReplaceSpecialVars.
type Vars struct {
	User  *User
	Files []File
	// Now defaults to time.Now().
	Now time.Time
}

// ReplaceSpecialVars replaces the well-known {{variable}} placeholders in
// text. Names match case-insensitively, each match is replaced once, and
// placeholders that cannot be resolved are kept.
func ReplaceSpecialVars(text string, vars Vars) string {
	if text == "" {
		return text
	}

	now := vars.Now
	if now.IsZero() {
		now = time.Now()
	}

	return specialVar.ReplaceAllStringFunc(text, func(match string) string {
		// Extract variable name (remove {{ and }})
		varName := strings.ToLower(match[2 : len(match)-2])

		switch varName {
		case "current_date":
			return fmt.Sprintf("%s (%d)", now.Format("2006-01-02"), now.Weekday())
		case "current_datetime":
			return fmt.Sprintf("%s (%d)", now.Format("2006-01-02 15:04:05"), now.Weekday())
		case "iso_datetime":
			return now.UTC().Format("2006-01-02T15:04:05.000Z")
		case "current_user":
			if vars.User == nil || vars.User.Name == "" {
				return match
			}
			return vars.User.Name
		case "attached_files":
			return filesJSON(vars.Files)
		}
		return match
	})
}

func filesJSON(files []File) string {
	if len(files) == 0 {
		return "[]"
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(files); err != nil {
		return "[]"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

package utils

import (
	"fmt"
	"labdrive/config"
	"mime/multipart"
	"regexp"
	"strings"
	"unicode/utf8"
)

// File validation
func ValidateFileSize(size int64) error {
	if size > config.AppConfig.MaxFileSize {
		return fmt.Errorf("file size %d bytes exceeds maximum allowed size of %d bytes", size, config.AppConfig.MaxFileSize)
	}
	return nil
}

func ValidateFileName(filename string) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	if len(filename) > 255 {
		return fmt.Errorf("filename too long (max 255 characters)")
	}

	if !utf8.ValidString(filename) {
		return fmt.Errorf("filename contains invalid UTF-8 characters")
	}

	invalidChars := []string{"/", "\\", "\x00"}
	for _, char := range invalidChars {
		if strings.Contains(filename, char) {
			return fmt.Errorf("filename contains invalid character: %q", char)
		}
	}
	return nil
}

func ValidateFileHeader(header *multipart.FileHeader) error {
	if err := ValidateFileName(header.Filename); err != nil {
		return err
	}

	if err := ValidateFileSize(header.Size); err != nil {
		return err
	}

	return nil
}

// Container validation
func ValidateContainerLabel(label string) error {
	if label == "" {
		return fmt.Errorf("label cannot be empty")
	}

	if len(label) > 255 {
		return fmt.Errorf("label too long (max 255 characters)")
	}

	if !utf8.ValidString(label) {
		return fmt.Errorf("label contains invalid UTF-8 characters")
	}

	if strings.Contains(label, "/") {
		return fmt.Errorf("label cannot contain '/'")
	}

	return nil
}

var groupIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidateGroupID enforces the group id character set: lowercase, starting
// with a letter or digit. Group ids are chosen by callers and appear
// verbatim in resolver paths.
func ValidateGroupID(id string) error {
	if !groupIDRegex.MatchString(id) {
		return fmt.Errorf("invalid group id %q: must be lowercase alphanumeric with ._- separators", id)
	}
	return nil
}

// Permission validation
func ValidateAccessLevel(access string) error {
	allowed := []string{"ro", "rw", "admin"}
	for _, a := range allowed {
		if access == a {
			return nil
		}
	}
	return fmt.Errorf("invalid access level: %s. Allowed levels: %s", access, strings.Join(allowed, ", "))
}

// Upload validation
func ValidateMatchType(matchType string) error {
	if matchType != "label" && matchType != "uid" {
		return fmt.Errorf("invalid match type: %s. Allowed types: label, uid", matchType)
	}
	return nil
}

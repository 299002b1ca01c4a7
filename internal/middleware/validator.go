package middleware

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kyoulho/p-roro-sub011/internal/domain/hostscan"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// Input validation for values that end up inside remote command lines.

var (
	projectPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	hostPattern    = regexp.MustCompile(`^[a-zA-Z0-9.:_-]{1,253}$`)
	userPattern    = regexp.MustCompile(`^[a-zA-Z0-9._\\-]{1,64}$`)
)

var dangerous = []string{"$(", "`", "&", "|", ";", "\n", "\r", "<", ">"}

// ValidateProjectID validates project ID format
func ValidateProjectID(project string) error {
	if project == "" {
		return fmt.Errorf("project ID cannot be empty")
	}
	if !projectPattern.MatchString(project) {
		return fmt.Errorf("invalid project ID format (alphanumeric, dash, underscore only, max 64 chars)")
	}
	return nil
}

// ValidateRequestID checks the id is a UUID.
func ValidateRequestID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid request ID: %w", err)
	}
	return nil
}

// ValidateTarget checks the address, port and user. The OS family is left
// to the dialect registry, which knows which families are loaded.
func ValidateTarget(t domain.TargetHost) error {
	if t.Address == "" {
		return fmt.Errorf("target address cannot be empty")
	}
	if !hostPattern.MatchString(t.Address) {
		return fmt.Errorf("invalid target address: %q", t.Address)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid port: %d", t.Port)
	}
	if t.Username != "" && !userPattern.MatchString(t.Username) {
		return fmt.Errorf("invalid username")
	}
	return ValidatePath(t.Kubeconfig)
}

// ValidateCIDR rejects ranges the host scanner would refuse.
func ValidateCIDR(cidr string) error {
	if cidr == "" {
		return nil
	}
	_, err := hostscan.Expand(cidr)
	return err
}

func ValidateCategories(cats []domain.Category) error {
	for _, c := range cats {
		switch c {
		case domain.CategoryServer, domain.CategoryMiddleware, domain.CategoryDatabase, domain.CategoryCluster:
		default:
			return fmt.Errorf("unknown category: %s", c)
		}
	}
	return nil
}

// ValidatePath validates file paths that are spliced into commands
func ValidatePath(path string) error {
	if path == "" {
		return nil // Optional field
	}
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("path traversal detected")
	}
	for _, d := range dangerous {
		if strings.Contains(path, d) {
			return fmt.Errorf("invalid characters in path")
		}
	}
	return nil
}

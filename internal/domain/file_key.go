package domain

import (
	"fmt"
	"strings"
)

const maxKeyComponentLength = 255

// FileKey идентифицирует логический файл во всех его версиях
type FileKey struct {
	Owner   string `json:"owner"`
	Project string `json:"project"`
	Type    string `json:"type"`
	Name    string `json:"name"`
}

func (k FileKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Owner, k.Project, k.Type, k.Name)
}

// Validate проверяет все компоненты ключа
func (k FileKey) Validate() error {
	components := []struct {
		field string
		value string
	}{
		{"owner", k.Owner},
		{"project", k.Project},
		{"type", k.Type},
		{"name", k.Name},
	}
	for _, c := range components {
		if err := ValidateComponent(c.field, c.value); err != nil {
			return err
		}
	}
	return nil
}

// ValidateComponent проверяет отдельный компонент ключа (owner, project и т.д.)
func ValidateComponent(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	if len(value) > maxKeyComponentLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArgument, field, maxKeyComponentLength)
	}
	if strings.ContainsAny(value, "\x00/") {
		return fmt.Errorf("%w: %s contains forbidden characters", ErrInvalidArgument, field)
	}
	return nil
}

// VersionRef указывает на конкретную версию файла
type VersionRef struct {
	Key     FileKey `json:"key"`
	Version int64   `json:"version"`
}

func (r VersionRef) String() string {
	return fmt.Sprintf("%s@%d", r.Key, r.Version)
}

package store

import (
	"context"

	"github.com/pkg/errors"
)

const systemSettingSchemaVersion = "schema_version"

type SystemSetting struct {
	Name  string
	Value string
}

type FindSystemSetting struct {
	Name *string
}

func (s *Store) getSchemaVersionSetting(ctx context.Context) (string, error) {
	name := systemSettingSchemaVersion
	list, err := s.driver.ListSystemSettings(ctx, &FindSystemSetting{Name: &name})
	if err != nil {
		return "", errors.Wrap(err, "failed to list system settings")
	}
	if len(list) == 0 {
		return "", nil
	}
	return list[0].Value, nil
}

func (s *Store) setSchemaVersionSetting(ctx context.Context, schemaVersion string) error {
	_, err := s.driver.UpsertSystemSetting(ctx, &SystemSetting{
		Name:  systemSettingSchemaVersion,
		Value: schemaVersion,
	})
	return err
}

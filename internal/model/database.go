package model

import (
	"time"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// Database is one logical database on an Engine. Credentials and the
// backup policy can either be set directly or inherited from the engine
// (UseEngineCredentials / UseEnginePolicy); inheritance is by reference and
// resolved at dispatch time, never copied into this record.
type Database struct {
	ID       string
	Name     string
	EngineID string

	UseEngineCredentials bool
	UseEnginePolicy      bool

	DatabaseType EngineType
	Host         string
	Port         int
	// DatabaseName is the actual database name on the server, as opposed to
	// Name which is the display name.
	DatabaseName string

	Username           string
	Password           string
	PasswordSecretName string

	PolicyID string
	Enabled  bool

	Compression bool
	// BackupDestination optionally overrides the default blob container.
	BackupDestination string

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
}

// ToEntity converts the database to its table representation. The plaintext
// password travels only when includePassword is set (dev mode).
func (d *Database) ToEntity(includePassword bool) tablestore.Entity {
	props := map[string]any{
		"name":                   d.Name,
		"engine_id":              d.EngineID,
		"use_engine_credentials": d.UseEngineCredentials,
		"use_engine_policy":      d.UseEnginePolicy,
		"database_type":          string(d.DatabaseType),
		"host":                   d.Host,
		"port":                   d.Port,
		"database_name":          d.DatabaseName,
		"username":               d.Username,
		"password_secret_name":   d.PasswordSecretName,
		"policy_id":              d.PolicyID,
		"enabled":                d.Enabled,
		"compression":            d.Compression,
		"backup_destination":     d.BackupDestination,
		"created_at":             formatTime(d.CreatedAt),
		"updated_at":             formatTime(d.UpdatedAt),
		"created_by":             d.CreatedBy,
	}
	if includePassword && d.Password != "" {
		props["password"] = d.Password
	}
	return tablestore.Entity{
		PartitionKey: PartitionDatabase,
		RowKey:       d.ID,
		Properties:   props,
	}
}

// DatabaseFromEntity rebuilds a Database from its table representation.
func DatabaseFromEntity(ent tablestore.Entity) *Database {
	p := ent.Properties
	return &Database{
		ID:                   ent.RowKey,
		Name:                 propString(p, "name"),
		EngineID:             propString(p, "engine_id"),
		UseEngineCredentials: propBool(p, "use_engine_credentials"),
		UseEnginePolicy:      propBool(p, "use_engine_policy"),
		DatabaseType:         EngineType(propString(p, "database_type")),
		Host:                 propString(p, "host"),
		Port:                 propInt(p, "port"),
		DatabaseName:         propString(p, "database_name"),
		Username:             propString(p, "username"),
		Password:             propString(p, "password"),
		PasswordSecretName:   propString(p, "password_secret_name"),
		PolicyID:             propString(p, "policy_id"),
		Enabled:              propBool(p, "enabled"),
		Compression:          propBool(p, "compression"),
		BackupDestination:    propString(p, "backup_destination"),
		CreatedAt:            propTime(p, "created_at"),
		UpdatedAt:            propTime(p, "updated_at"),
		CreatedBy:            propString(p, "created_by"),
	}
}

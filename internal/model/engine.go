package model

import (
	"time"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// EngineType identifies the database server flavor an Engine runs.
type EngineType string

const (
	EngineMySQL      EngineType = "mysql"
	EnginePostgreSQL EngineType = "postgresql"
	EngineSQLServer  EngineType = "sqlserver"
)

// ValidEngineType reports whether s names a supported engine type.
func ValidEngineType(s string) bool {
	switch EngineType(s) {
	case EngineMySQL, EnginePostgreSQL, EngineSQLServer:
		return true
	}
	return false
}

// DefaultPort returns the conventional port for an engine type.
func (t EngineType) DefaultPort() int {
	switch t {
	case EnginePostgreSQL:
		return 5432
	case EngineSQLServer:
		return 1433
	default:
		return 3306
	}
}

// AuthMethod is how the orchestrator authenticates against an engine.
type AuthMethod string

const (
	AuthUserPassword     AuthMethod = "user_password"
	AuthManagedIdentity  AuthMethod = "managed_identity"
	AuthDirectoryToken   AuthMethod = "azure_ad"
	AuthConnectionString AuthMethod = "connection_string"
)

// Engine is a database server hosting one or more logical databases.
// Databases may inherit the engine's credentials and default policy by
// reference; the canonical values always live here and are resolved at
// dispatch time.
//
// Password holds a plaintext credential only when the deployment runs with
// plaintext secrets allowed (development). In production the catalog stores
// only PasswordSecretName and resolution goes through the secret store.
type Engine struct {
	ID         string
	Name       string
	EngineType EngineType

	Host string
	Port int

	AuthMethod         AuthMethod
	Username           string
	Password           string
	PasswordSecretName string
	ConnectionString   string

	// PolicyID is the default backup policy this engine contributes to
	// databases with UseEnginePolicy set.
	PolicyID string

	DiscoveryEnabled bool
	LastDiscovery    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
}

// HasCredentials reports whether the engine carries enough authentication
// material for discovery or credential inheritance.
func (e *Engine) HasCredentials() bool {
	switch e.AuthMethod {
	case AuthUserPassword:
		return e.Username != "" && (e.Password != "" || e.PasswordSecretName != "")
	case AuthConnectionString:
		return e.ConnectionString != ""
	case AuthManagedIdentity, AuthDirectoryToken:
		return true
	}
	return false
}

// ToEntity converts the engine to its table representation. The plaintext
// password is included only when includePassword is set (dev mode).
func (e *Engine) ToEntity(includePassword bool) tablestore.Entity {
	props := map[string]any{
		"name":                 e.Name,
		"engine_type":          string(e.EngineType),
		"host":                 e.Host,
		"port":                 e.Port,
		"auth_method":          string(e.AuthMethod),
		"username":             e.Username,
		"password_secret_name": e.PasswordSecretName,
		"connection_string":    e.ConnectionString,
		"policy_id":            e.PolicyID,
		"discovery_enabled":    e.DiscoveryEnabled,
		"last_discovery":       formatTimePtr(e.LastDiscovery),
		"created_at":           formatTime(e.CreatedAt),
		"updated_at":           formatTime(e.UpdatedAt),
		"created_by":           e.CreatedBy,
	}
	if includePassword && e.Password != "" {
		props["password"] = e.Password
	}
	return tablestore.Entity{
		PartitionKey: PartitionEngine,
		RowKey:       e.ID,
		Properties:   props,
	}
}

// EngineFromEntity rebuilds an Engine from its table representation.
func EngineFromEntity(ent tablestore.Entity) *Engine {
	p := ent.Properties
	return &Engine{
		ID:                 ent.RowKey,
		Name:               propString(p, "name"),
		EngineType:         EngineType(propString(p, "engine_type")),
		Host:               propString(p, "host"),
		Port:               propInt(p, "port"),
		AuthMethod:         AuthMethod(propString(p, "auth_method")),
		Username:           propString(p, "username"),
		Password:           propString(p, "password"),
		PasswordSecretName: propString(p, "password_secret_name"),
		ConnectionString:   propString(p, "connection_string"),
		PolicyID:           propString(p, "policy_id"),
		DiscoveryEnabled:   propBool(p, "discovery_enabled"),
		LastDiscovery:      propTimePtr(p, "last_discovery"),
		CreatedAt:          propTime(p, "created_at"),
		UpdatedAt:          propTime(p, "updated_at"),
		CreatedBy:          propString(p, "created_by"),
	}
}

// SystemDatabases lists the server-managed databases per engine type.
// Discovery returns them flagged is_system rather than hiding them.
var SystemDatabases = map[EngineType]map[string]bool{
	EngineMySQL: {
		"mysql": true, "information_schema": true, "performance_schema": true, "sys": true,
	},
	EnginePostgreSQL: {
		"postgres": true, "template0": true, "template1": true,
	},
	EngineSQLServer: {
		"master": true, "tempdb": true, "model": true, "msdb": true,
	},
}

// DiscoveredDatabase is one database found on an engine during discovery.
type DiscoveredDatabase struct {
	Name       string `json:"name"`
	Exists     bool   `json:"exists"`
	ExistingID string `json:"existing_id,omitempty"`
	IsSystem   bool   `json:"is_system"`
}

// Package model defines the typed domain entities and their explicit
// to/from table-entity codecs. The table store itself is schemaless; every
// model owns the mapping between its struct fields and the property bag,
// including the partition and row key construction that the read paths
// depend on.
package model

import (
	"time"
)

// Logical table names used across the catalog, history and audit layers.
// Each layer keys its rows in the shared entities table under one of these;
// they are fixed so stored data stays readable across upgrades.
const (
	TableCatalog        = "databaseconfigs"
	TableHistory        = "backuphistory"
	TablePolicies       = "backuppolicies"
	TableAudit          = "auditlogs"
	TableUsers          = "users"
	TableSettings       = "settings"
	TableAccessRequests = "accessrequests"
)

// Partition keys for the singleton-partition tables.
const (
	PartitionEngine        = "engine"
	PartitionDatabase      = "database"
	PartitionPolicy        = "backup_policy"
	PartitionUsers         = "users"
	PartitionSettings      = "settings"
	PartitionAccessRequest = "access_request"
)

// Property-bag readers. JSON round-trips numbers as float64 and everything
// optional as a missing key, so each accessor coerces and defaults.

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propBool(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

func propInt(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func propInt64(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func propFloat(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// propTime parses an RFC 3339 timestamp property. The zero time is returned
// for missing or empty values.
func propTime(props map[string]any, key string) time.Time {
	s := propString(props, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return EnsureNaiveUTC(t)
}

// propTimePtr is propTime for nullable timestamps.
func propTimePtr(props map[string]any, key string) *time.Time {
	t := propTime(props, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return EnsureNaiveUTC(t).Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

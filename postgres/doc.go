// Package postgres implements the identity.Repository contract on PostgreSQL.
//
// Uniqueness of the three identity keys is enforced by partial unique indexes,
// the device cap by a per-user advisory transaction lock around the
// find-or-create step, and refresh rotation by conditional UPDATEs keyed on
// the presented token. Schema management is embedded goose migrations; Open
// runs them before returning.
package postgres

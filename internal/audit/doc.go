// Package audit records operator actions taken through the API: manual
// incidents, manual closes, status cache rebuilds and sync triggers.
//
// Entries are append-only and stored in the operator_audit table.
// Automatic engine activity is not audited here; incident notes and
// timestamps already carry it.
package audit

// Package jobstore persists photopipe's durable records in SQLite: projects,
// profiles, assets, pipeline jobs, per-stage results, export records and the
// append-only audit trail.
//
// The Store owns connection setup, schema initialization and busy-retry
// handling. Jobs and exports are only ever moved forward through their status
// enums by the helpers here; progress writes are monotonic at the SQL level so
// concurrent observers never see a job go backwards.
//
// Schema changes bump the version in schema.go; operators delete the database
// to adopt a new schema.
package jobstore

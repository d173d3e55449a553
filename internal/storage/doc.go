// Package storage is the object-store collaborator: it uploads embedded files
// and export archives to S3-compatible storage, downloads them back into local
// caches and mints presigned download URLs.
//
// Stored paths are locators with a scheme prefix. objstore://<key> names an
// object in the configured bucket; local://<path> names a file on the
// ephemeral local disk.
package storage

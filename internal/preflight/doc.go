// Package preflight provides readiness checks for the directories, disk
// space, external binaries and model endpoint photopipe depends on.
//
// The daemon runs RunAll at startup and logs every failure; /api/status and
// "photopipe queue status" report the same results. Export assembly uses
// CheckFreeSpace before writing an archive.
package preflight

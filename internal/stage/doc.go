// Package stage names the pipeline stages and their ordering per job type.
package stage

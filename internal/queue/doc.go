// Package queue hands jobs and exports to workers.
//
// Two strategies implement Queue. The broker strategy keeps per-queue lists in
// Redis with retry, backoff and retention. The polling strategy claims pending
// rows straight from the job store on a ticker. Select picks one at startup;
// callers never branch on which is active.
package queue

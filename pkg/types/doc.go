// Package types defines the data model shared by the store, scheduler,
// monitor, and protocol packages: jobs, termination requests, port maps,
// and the priority/strategy enums that drive dispatch.
package types

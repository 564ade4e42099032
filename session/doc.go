// Package session wires a backend, subscription cache, resolver, schema
// registry and CRUD engine into one handle with a single lifecycle. A
// session bootstraps the account root and its namespace registries on first
// use and reuses them on every later connection to the same store.
package session

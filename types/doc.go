// Package types defines the shared contracts of the pullstream library.
//
// It contains the interfaces and value types exchanged between the public
// root package and the internal pipeline packages. Internal packages depend
// on types without depending on the root package, which keeps the dependency
// graph acyclic while the root package re-exports the common definitions for
// user convenience.
package types

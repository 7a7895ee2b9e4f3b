// Package integrationtest exposes a common integration test suite for
// message.Store implementations.
//
// Only people implementing a message.Store should use this package.
package integrationtest

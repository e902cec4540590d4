// Package testutil holds loopback servers and database fixtures shared by
// socksfarm tests.
package testutil

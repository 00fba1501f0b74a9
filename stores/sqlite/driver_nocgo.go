//go:build !cgo

package sqlite

import _ "modernc.org/sqlite"

// modernc.org/sqlite is a pure Go driver used when cgo is unavailable.
const driverName = "sqlite"

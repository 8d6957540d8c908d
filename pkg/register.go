// Package pkg pulls in the archive parsers and storage backends so
// their init registrations run.
package pkg

import (
	_ "crater/pkg/archive/condapkg"
	_ "crater/pkg/archive/tarbz2"
	_ "crater/pkg/storage/local"
	_ "crater/pkg/storage/mindb"
)

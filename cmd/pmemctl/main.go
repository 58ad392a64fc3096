// Command pmemctl is a small operator CLI over the public pool API:
// format a new pool file, inspect an existing one's header and
// occupancy, and dry-run the allocator's recovery walk.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("pmemctl: command failed")
		os.Exit(1)
	}
}

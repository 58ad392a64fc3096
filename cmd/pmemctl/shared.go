package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vaultmem/pmstore/pool"
)

// anyRoot is the placeholder root type for commands that only need
// allocator-level access to a pool, not its typed root object.
type anyRoot struct{}

func sizeFlag(name string) (pool.Flag, error) {
	switch name {
	case "", "1gb":
		return pool.O1GB, nil
	case "4gb":
		return pool.O4GB, nil
	case "8gb":
		return pool.O8GB, nil
	case "16gb":
		return pool.O16GB, nil
	case "32gb":
		return pool.O32GB, nil
	default:
		return 0, fmt.Errorf("pmemctl: unknown --size %q", name)
	}
}

func setupLogging() {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func openReadOnlyInfo(path string) (*pool.Pool[anyRoot], error) {
	return pool.OpenNoRoot[anyRoot](path, pool.OExisting)
}

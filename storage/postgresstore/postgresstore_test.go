// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package postgresstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"cloudkit.io/cloudkit/storage/testsuite"
)

// TestSuite runs against a live database, e.g.
// CLOUDKIT_POSTGRES_TEST=postgres://postgres@localhost/cloudkit_test?sslmode=disable
func TestSuite(t *testing.T) {
	dbURL := os.Getenv("CLOUDKIT_POSTGRES_TEST")
	if dbURL == "" {
		t.Skip("postgres flag missing, example: CLOUDKIT_POSTGRES_TEST=postgres://postgres@localhost/cloudkit_test?sslmode=disable")
	}

	adapter, err := New(dbURL)
	require.NoError(t, err)
	defer func() { require.NoError(t, adapter.Close()) }()

	testsuite.RunTests(t, adapter)
}

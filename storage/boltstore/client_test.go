// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package boltstore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cloudkit.io/cloudkit/storage/testsuite"
)

func TestSuite(t *testing.T) {
	tempdir, err := ioutil.TempDir("", "cloudkit-bolt")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(tempdir) }()

	client, err := New(filepath.Join(tempdir, "test.bolt"))
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()

	testsuite.RunTests(t, client)
}

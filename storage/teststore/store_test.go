// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package teststore

import (
	"testing"

	"cloudkit.io/cloudkit/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, New())
}

package main

import (
	"os"
	"testing"
)

// cliEnv makes the test binary run the capsule CLI instead of the tests
const cliEnv = "CAPSULE_TEST_CLI"

func TestMain(m *testing.M) {
	if os.Getenv(cliEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

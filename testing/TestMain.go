package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("FORWARDLY_TEST_MODE", "1")
		if os.Getenv("STRIPE_SECRET_KEY") == "" {
			_ = os.Setenv("STRIPE_SECRET_KEY", "sk_test_forwardly")
		}
		if os.Getenv("STRIPE_WEBHOOK_SECRET") == "" {
			_ = os.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_forwardly")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}

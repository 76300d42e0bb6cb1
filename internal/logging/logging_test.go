package logging

import "testing"

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		log, err := New(env, "node-a")
		if err != nil {
			t.Fatalf("%s: %v", env, err)
		}
		log.Infow("logger ready", "env", env)
		_ = log.Sync()
	}
}

package runtime

import (
	"os"
	"strings"
)

// envPrefix namespaces the context values exported to the task environment.
const envPrefix = "TASKRUNNER_CTX_"

// exportEnv sets TASKRUNNER_CTX_<KEY> for each value and returns a function
// restoring the previous environment.
func exportEnv(values map[string]string) (restore func()) {
	type prev struct {
		value string
		set   bool
	}
	saved := make(map[string]prev, len(values))
	for k, v := range values {
		name := envPrefix + strings.ToUpper(k)
		old, ok := os.LookupEnv(name)
		saved[name] = prev{value: old, set: ok}
		os.Setenv(name, v)
	}
	return func() {
		for name, p := range saved {
			if p.set {
				os.Setenv(name, p.value)
			} else {
				os.Unsetenv(name)
			}
		}
	}
}

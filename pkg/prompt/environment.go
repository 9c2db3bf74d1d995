package prompt

import (
	"os"
	"os/exec"
	"runtime"
)

// Environment is collected once at process start and handed to every Builder call thereafter.
type Environment struct {
	OS              string
	Shell           string
	Cwd             string
	User            string
	DockerAvailable bool
	K8sAvailable    bool
}

// DetectEnvironment probes the host once at startup. Cheap, best-effort —
// failures degrade to empty fields rather than erroring.
func DetectEnvironment() Environment {
	cwd, _ := os.Getwd()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	shell := os.Getenv("SHELL")

	return Environment{
		OS:              runtime.GOOS,
		Shell:           shell,
		Cwd:             cwd,
		User:            user,
		DockerAvailable: binaryAvailable("docker"),
		K8sAvailable:    binaryAvailable("kubectl"),
	}
}

func binaryAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

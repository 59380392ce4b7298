// Package client builds the Kubernetes clients the engine talks to: a typed
// clientset for workloads and pods, and a dynamic client for the job
// custom resources.
package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Clients bundles the typed and dynamic clients built from one rest config.
type Clients struct {
	Kube    kubernetes.Interface
	Dynamic dynamic.Interface
	Config  *rest.Config
}

var (
	clientOnce    sync.Once
	cachedClients *Clients
	clientErr     error
)

// GetClients returns process-wide clients, creating them on first call.
// Subsequent calls reuse the same connections.
//
// Configuration is discovered from:
//   - KUBECONFIG environment variable
//   - ~/.kube/config
//   - In-cluster service account
func GetClients() (*Clients, error) {
	clientOnce.Do(func() {
		cachedClients, clientErr = BuildClients("")
	})
	return cachedClients, clientErr
}

// BuildClients creates clients from the given kubeconfig path, bypassing the
// singleton. An empty path uses the same discovery as GetClients.
func BuildClients(kubeconfig string) (*Clients, error) {
	config, err := BuildConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	kube, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return &Clients{Kube: kube, Dynamic: dyn, Config: config}, nil
}

// BuildConfig resolves a rest config from kubeconfig, KUBECONFIG,
// ~/.kube/config, or the in-cluster service account, in that order.
func BuildConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")

		if kubeconfig == "" {
			kubeconfig = filepath.Join(homedir.HomeDir(), ".kube", "config")
			if _, err := os.Stat(kubeconfig); os.IsNotExist(err) {
				kubeconfig = ""
			}
		}
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config: %w", err)
	}
	config.UserAgent = "gridjobs"
	return config, nil
}

package kubeutil

import (
	"os"
	"path/filepath"

	xe "github.com/opst/pipelab/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Kubeconfig returns the kubeconfig file to be used.
//
// The first existing one of them is chosen:
//
// - explicit, when not empty
//
// - envvar KUBECONFIG
//
// - ~/.kube/config
//
// It returns "" when none of them exist, which means in-cluster config.
func Kubeconfig(explicit string) string {
	candidates := []string{explicit, os.Getenv("KUBECONFIG")}
	if home := homedir.HomeDir(); home != "" {
		candidates = append(candidates, filepath.Join(home, ".kube", "config"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if s, err := os.Stat(c); err == nil && !s.IsDir() {
			return c
		}
	}
	return ""
}

// Connect builds a clientset from the kubeconfig chosen by Kubeconfig(explicit).
func Connect(explicit string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error
	if kc := Kubeconfig(explicit); kc == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kc)
	}
	if err != nil {
		return nil, xe.WrapWithNote("kubeconfig", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return clientset, nil
}

// Package k8s is an agent adapter for hosts which are Kubernetes Nodes.
//
// Each deployment is expressed as a ConfigMap labeled with the node name.
// A node agent (DaemonSet) watches ConfigMaps for its node and applies the pipeline in them.
package k8s

import (
	"context"
	"fmt"
	"slices"

	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/domain/agent"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

const (
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelExperiment = "pipelab.opst.io/experiment"
	LabelDeployment = "pipelab.opst.io/deployment"
	LabelVariant    = "pipelab.opst.io/variant"
	LabelHost       = "pipelab.opst.io/host"

	KeyCommand     = "command"
	KeyPipeline    = "pipeline.yaml"
	KeyTemplateRef = "templateRef"

	managedBy = "pipelab"
)

type Agent struct {
	clientset kubernetes.Interface
	namespace string
}

var _ agent.Interface = &Agent{}
var _ agent.Inventory = &Agent{}

func New(clientset kubernetes.Interface, namespace string) *Agent {
	return &Agent{clientset: clientset, namespace: namespace}
}

// ConfigMapName returns the name of ConfigMap for the deployment.
func ConfigMapName(deploymentId string) string {
	return "pipelab-" + deploymentId
}

func nodeReady(n *kubecore.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == kubecore.NodeReady {
			return c.Status == kubecore.ConditionTrue
		}
	}
	return false
}

func (a *Agent) SendCommand(ctx context.Context, host string, cmd domain.Command) error {
	if host == "" {
		return domerr.NewErrInvalidConfig("host", "should not be empty")
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	node, err := a.clientset.CoreV1().Nodes().Get(ctx, host, kubeapimeta.GetOptions{})
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return fmt.Errorf("%w: node %s is not found", domerr.ErrUnreachable, host)
		}
		return fmt.Errorf("%w: node %s: %w", domerr.ErrUnreachable, host, err)
	}
	if !nodeReady(node) {
		return fmt.Errorf("%w: node %s is not ready", domerr.ErrUnreachable, host)
	}

	target := cmd.Target()
	cms := a.clientset.CoreV1().ConfigMaps(a.namespace)
	name := ConfigMapName(target.DeploymentId)

	current, err := cms.Get(ctx, name, kubeapimeta.GetOptions{})
	if err != nil && !kubeerr.IsNotFound(err) {
		return fmt.Errorf("%w: %w", domerr.ErrUnreachable, err)
	}

	if current == nil || kubeerr.IsNotFound(err) {
		cm := &kubecore.ConfigMap{
			ObjectMeta: kubeapimeta.ObjectMeta{
				Name:      name,
				Namespace: a.namespace,
				Labels: map[string]string{
					LabelManagedBy:  managedBy,
					LabelExperiment: target.ExperimentId,
					LabelDeployment: target.DeploymentId,
					LabelVariant:    target.Variant.String(),
					LabelHost:       host,
				},
			},
			Data: map[string]string{},
		}
		applyCommand(cm, cmd)
		if _, err := cms.Create(ctx, cm, kubeapimeta.CreateOptions{}); err != nil {
			return fmt.Errorf("%w: %w", domerr.ErrUnreachable, err)
		}
		return nil
	}

	cm := current.DeepCopy()
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	applyCommand(cm, cmd)
	if _, err := cms.Update(ctx, cm, kubeapimeta.UpdateOptions{}); err != nil {
		return fmt.Errorf("%w: %w", domerr.ErrUnreachable, err)
	}
	return nil
}

func applyCommand(cm *kubecore.ConfigMap, cmd domain.Command) {
	cm.Data[KeyCommand] = cmd.Kind().String()
	if d, ok := cmd.(domain.DeployCommand); ok {
		cm.Data[KeyPipeline] = d.Pipeline
		cm.Data[KeyTemplateRef] = d.TemplateRef
	}
}

// Resolve returns names of nodes matching the selector.
func (a *Agent) Resolve(ctx context.Context, selector map[string]string) ([]string, error) {
	nodes, err := a.clientset.CoreV1().Nodes().List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing nodes: %w", domerr.ErrInternal, err)
	}

	ret := make([]string, 0, len(nodes.Items))
	for _, n := range nodes.Items {
		ret = append(ret, n.Name)
	}
	slices.Sort(ret)
	return ret, nil
}

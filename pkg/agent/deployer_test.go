/*
Copyright 2024 The Agent Operator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/yachiko/agent-operator/pkg/apis"
	"github.com/yachiko/agent-operator/pkg/fatal"
	"github.com/yachiko/agent-operator/pkg/kube"
	"github.com/yachiko/agent-operator/pkg/metrics"
)

var _ = Describe("Deployer", func() {
	var (
		ctx       context.Context
		cfg       *apis.AgentConfiguration
		resolver  *fakeResolver
		publisher *recordingPublisher
		reporter  *recordingReporter
		recorder  *recordingMetrics

		mu        sync.Mutex
		submitted []string
		createErr map[string]error
		getErr    error
		objects   []client.Object
	)

	configMap := func() *corev1.ConfigMap {
		return &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: "agent-config", Namespace: testNamespace},
			Data:       map[string]string{ConfigurationFile: "zone: eu-west"},
		}
	}

	buildClient := func() client.Client {
		return fake.NewClientBuilder().
			WithObjects(objects...).
			WithInterceptorFuncs(interceptor.Funcs{
				Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
					kind := kube.KindOf(obj)
					mu.Lock()
					submitted = append(submitted, kind)
					mu.Unlock()
					if err, ok := createErr[kind]; ok {
						return err
					}
					return c.Create(ctx, obj, opts...)
				},
				Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
					if getErr != nil {
						return getErr
					}
					return c.Get(ctx, key, obj, opts...)
				},
			}).
			Build()
	}

	newDeployer := func(c client.Client) *Deployer {
		return NewDeployer(kube.NewResourceClient(c), staticConfig{cfg: cfg}, resolver, publisher, logr.Discard(),
			WithReporter(reporter), WithMetrics(recorder))
	}

	// run executes one pipeline pass on its own goroutine; the publisher ends
	// that goroutine on a fatal signal.
	run := func(d *Deployer, runCtx context.Context) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			d.OnElected(runCtx, apis.ElectedEvent{Identity: "operator-1", Trigger: "election"})
		}()
		Eventually(done).Should(BeClosed())
	}

	submissions := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(submitted))
		copy(out, submitted)
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = testConfig()
		resolver = &fakeResolver{ref: testOwner}
		publisher = &recordingPublisher{}
		reporter = &recordingReporter{}
		recorder = newRecordingMetrics()
		submitted = nil
		createErr = map[string]error{}
		getErr = nil
		objects = []client.Object{configMap()}
	})

	Context("when every prerequisite is present", func() {
		It("should create all resources in order", func() {
			c := buildClient()
			d := newDeployer(c)

			run(d, ctx)

			Expect(publisher.Signals()).To(BeEmpty())
			Expect(submissions()).To(Equal([]string{
				"ServiceAccount", "ClusterRole", "ClusterRoleBinding", "Secret", "DaemonSet",
			}))

			state, ok := d.LastRun()
			Expect(ok).To(BeTrue())
			Expect(state.Phase).To(Equal(apis.RunPhaseDone))
			Expect(state.Created).To(Equal(5))
			Expect(state.Existing).To(BeZero())
			Expect(state.ID).To(HaveLen(8))
			Expect(state.FinishedAt).NotTo(BeZero())

			ds := &appsv1.DaemonSet{}
			Expect(c.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "agent"}, ds)).To(Succeed())
			Expect(ds.OwnerReferences).To(HaveLen(1))
			Expect(ds.OwnerReferences[0].UID).To(Equal(testOwner.UID))
			Expect(ds.Spec.Template.Spec.ServiceAccountName).To(Equal("agent-sa"))

			binding := &rbacv1.ClusterRoleBinding{}
			Expect(c.Get(ctx, types.NamespacedName{Name: "agent-role-binding"}, binding)).To(Succeed())
			Expect(binding.RoleRef.Name).To(Equal("agent-role"))
			Expect(binding.Subjects[0].Name).To(Equal("agent-sa"))

			owner, known := d.Owner()
			Expect(known).To(BeTrue())
			Expect(owner).To(Equal(testOwner))
		})

		It("should report an agent-deployed event against the owner", func() {
			run(newDeployer(buildClient()), ctx)

			events := reporter.Events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].name).To(Equal(EventAgentDeployed))
			Expect(events[0].reason).To(Equal(ReasonAgentDeployed))
			Expect(events[0].namespace).To(Equal(testNamespace))
			Expect(events[0].owner).To(Equal(testOwner))
		})

		It("should record metrics for the run", func() {
			run(newDeployer(buildClient()), ctx)

			Expect(recorder.creates).To(HaveKeyWithValue("DaemonSet/"+metrics.ResultCreated, 1))
			Expect(recorder.runs).To(Equal([]runRecord{{"election", apis.RunPhaseDone}}))
		})

		It("should treat a second run as idempotent", func() {
			d := newDeployer(buildClient())

			run(d, ctx)
			run(d, ctx)

			Expect(publisher.Signals()).To(BeEmpty())
			state, _ := d.LastRun()
			Expect(state.Phase).To(Equal(apis.RunPhaseDone))
			Expect(state.Created).To(BeZero())
			Expect(state.Existing).To(Equal(5))
			Expect(recorder.creates).To(HaveKeyWithValue("Secret/"+metrics.ResultExists, 1))
			Expect(resolver.calls).To(Equal(2))
		})
	})

	Context("when RBAC creation is disabled", func() {
		It("should only submit the ServiceAccount, Secret and DaemonSet", func() {
			cfg.RBACCreate = false

			run(newDeployer(buildClient()), ctx)

			Expect(publisher.Signals()).To(BeEmpty())
			Expect(submissions()).To(Equal([]string{"ServiceAccount", "Secret", "DaemonSet"}))
		})
	})

	Context("when the agent ConfigMap is missing", func() {
		It("should stop before the DaemonSet with exactly one signal", func() {
			objects = nil
			c := buildClient()
			d := newDeployer(c)

			run(d, ctx)

			Expect(submissions()).To(Equal([]string{"ServiceAccount", "ClusterRole", "ClusterRoleBinding", "Secret"}))

			signals := publisher.Signals()
			Expect(signals).To(HaveLen(1))
			Expect(signals[0].Message).To(ContainSubstring("agent-config"))
			Expect(signals[0].Message).To(ContainSubstring("not found"))
			Expect(errors.Is(signals[0], fatal.ErrPreconditionMissing)).To(BeTrue())

			err := c.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "agent"}, &appsv1.DaemonSet{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			state, _ := d.LastRun()
			Expect(state.Phase).To(Equal(apis.RunPhaseError))
			Expect(state.LastError).To(ContainSubstring("agent-config"))
			Expect(reporter.Events()).To(BeEmpty())
		})
	})

	Context("when reading the ConfigMap fails", func() {
		It("should publish the transport error", func() {
			getErr = errors.New("connection reset")

			run(newDeployer(buildClient()), ctx)

			signals := publisher.Signals()
			Expect(signals).To(HaveLen(1))
			Expect(signals[0].Message).To(ContainSubstring("failed to read agent ConfigMap"))
			Expect(signals[0].Cause).To(MatchError("connection reset"))
			Expect(submissions()).NotTo(ContainElement("DaemonSet"))
		})
	})

	Context("when a create fails", func() {
		It("should publish and create nothing further", func() {
			createErr["Secret"] = apierrors.NewInternalError(errors.New("etcd unavailable"))
			d := newDeployer(buildClient())

			run(d, ctx)

			Expect(submissions()).To(Equal([]string{"ServiceAccount", "ClusterRole", "ClusterRoleBinding", "Secret"}))
			signals := publisher.Signals()
			Expect(signals).To(HaveLen(1))
			Expect(signals[0].Message).To(Equal("failed to create Secret agent-system/agent-secret"))
			Expect(apierrors.IsInternalError(signals[0].Cause)).To(BeTrue())
			Expect(recorder.creates).To(HaveKeyWithValue("Secret/"+metrics.ResultError, 1))

			state, _ := d.LastRun()
			Expect(state.Phase).To(Equal(apis.RunPhaseError))
		})

		It("should tolerate a conflict reported as 409", func() {
			createErr["ClusterRole"] = apierrors.NewConflict(schema.GroupResource{Group: "rbac.authorization.k8s.io", Resource: "clusterroles"}, "agent-role", errors.New("exists"))

			run(newDeployer(buildClient()), ctx)

			Expect(publisher.Signals()).To(BeEmpty())
			Expect(submissions()).To(ContainElement("DaemonSet"))
		})
	})

	Context("when the owner cannot be resolved", func() {
		It("should publish before creating anything", func() {
			resolver.err = errors.New("deployment not found")

			run(newDeployer(buildClient()), ctx)

			Expect(submissions()).To(BeEmpty())
			signals := publisher.Signals()
			Expect(signals).To(HaveLen(1))
			Expect(signals[0].Message).To(Equal("failed to resolve operator owner reference"))
			Expect(signals[0].Cause).To(MatchError("deployment not found"))
		})
	})

	Context("when the context is cancelled", func() {
		It("should abandon the run without escalating", func() {
			resolver.block = true
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			d := newDeployer(buildClient())

			run(d, cancelled)

			Expect(publisher.Signals()).To(BeEmpty())
			Expect(submissions()).To(BeEmpty())
			state, _ := d.LastRun()
			Expect(state.Phase).To(Equal(apis.RunPhaseError))
			Expect(state.LastError).To(ContainSubstring("context canceled"))
		})
	})
})

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

package di

import (
	"fmt"

	"go.uber.org/dig"
)

// Container wraps dig.Container with helpers used during wiring
type Container struct {
	*dig.Container
}

// NewContainer creates a new dependency injection container using dig
func NewContainer() *Container {
	return &Container{
		Container: dig.New(),
	}
}

// Supply registers a pre-built value under its static type
func Supply[T any](c *Container, value T) error {
	return c.Provide(func() T { return value })
}

// Resolve builds and returns the value of type T
func Resolve[T any](c *Container) (T, error) {
	var out T
	err := c.Invoke(func(v T) {
		out = v
	})
	return out, err
}

// MustProvide registers a constructor and panics on error. Registration
// errors are programming errors, unlike construction errors which surface on
// Invoke.
func (c *Container) MustProvide(constructor interface{}, opts ...dig.ProvideOption) {
	if err := c.Provide(constructor, opts...); err != nil {
		panic(fmt.Sprintf("failed to provide dependency: %v", err))
	}
}

// String returns a string representation of the container
func (c *Container) String() string {
	return fmt.Sprintf("AgentOperatorContainer{digContainer: %s}", c.Container.String())
}

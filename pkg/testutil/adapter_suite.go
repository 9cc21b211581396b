package testutil

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AdapterTestSuite runs the checks every adapter must pass against a
// working client configuration.
type AdapterTestSuite struct {
	t          *testing.T
	adapter    adapters.Adapter
	client     config.ClientConfig
	timeout    time.Duration
	minDevices int
}

// NewAdapterTestSuite creates a new test suite
func NewAdapterTestSuite(t *testing.T, adapter adapters.Adapter, client config.ClientConfig) *AdapterTestSuite {
	return &AdapterTestSuite{
		t:       t,
		adapter: adapter,
		client:  client,
		timeout: 30 * time.Second,
	}
}

// WithTimeout sets test timeout
func (s *AdapterTestSuite) WithTimeout(timeout time.Duration) *AdapterTestSuite {
	s.timeout = timeout
	return s
}

// ExpectDevices sets the minimum number of devices the client yields.
func (s *AdapterTestSuite) ExpectDevices(n int) *AdapterTestSuite {
	s.minDevices = n
	return s
}

// RunBasicTests executes standard adapter tests
func (s *AdapterTestSuite) RunBasicTests() {
	s.t.Run("TestAdapterType", s.testAdapterType)
	s.t.Run("TestClientSchema", s.testClientSchema)
	s.t.Run("TestFetchDevices", s.testFetchDevices)
	s.t.Run("TestFetchUsers", s.testFetchUsers)
	s.t.Run("TestUnknownSetting", s.testUnknownSetting)
}

// RunConcurrencyTests fetches from several sessions at once.
func (s *AdapterTestSuite) RunConcurrencyTests() {
	s.t.Run("TestConcurrentSessions", s.testConcurrentSessions)
}

func (s *AdapterTestSuite) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *AdapterTestSuite) testAdapterType(t *testing.T) {
	name := s.adapter.Type()
	assert.NotEmpty(t, name, "Adapter type should not be empty")
	assert.NotContains(t, name, " ", "Adapter type should not contain spaces")
}

func (s *AdapterTestSuite) testClientSchema(t *testing.T) {
	seen := make(map[string]bool)
	for _, f := range s.adapter.ClientSchema().Fields {
		assert.NotEmpty(t, f.Name)
		assert.False(t, seen[f.Name], "setting %s declared twice", f.Name)
		seen[f.Name] = true
		if f.Required {
			assert.Nil(t, f.Default, "required setting %s should not have a default", f.Name)
		}
		if len(f.Enum) > 0 && f.Default != nil {
			assert.Contains(t, f.Enum, fmt.Sprint(f.Default), "default of %s is not in its enum", f.Name)
		}
	}
	for k := range s.client.Settings {
		assert.True(t, seen[k], "test client uses undeclared setting %s", k)
	}
}

func (s *AdapterTestSuite) testFetchDevices(t *testing.T) {
	ctx, cancel := s.context()
	defer cancel()

	devices, err := CollectDevices(ctx, s.adapter, s.client)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(devices), s.minDevices)
	ids := make(map[string]bool)
	for _, d := range devices {
		assert.NotEmpty(t, d.ID, "every device needs an id")
		assert.False(t, ids[d.ID], "device id %s emitted twice", d.ID)
		ids[d.ID] = true
	}
}

func (s *AdapterTestSuite) testFetchUsers(t *testing.T) {
	ctx, cancel := s.context()
	defer cancel()

	users, err := CollectUsers(ctx, s.adapter, s.client)
	if stderrors.Is(err, adapters.ErrNotSupported) {
		return
	}
	require.NoError(t, err)
	for _, u := range users {
		assert.NotEmpty(t, u.ID, "every user needs an id")
	}
}

func (s *AdapterTestSuite) testUnknownSetting(t *testing.T) {
	ctx, cancel := s.context()
	defer cancel()

	settings := map[string]interface{}{"definitely_not_a_setting": true}
	for k, v := range s.client.Settings {
		settings[k] = v
	}
	_, err := s.adapter.Connect(ctx, config.ClientConfig{ID: s.client.ID, Settings: settings})
	require.Error(t, err)
	var ae *errors.AdapterError
	require.True(t, stderrors.As(err, &ae), "configuration problems are adapter errors")
	assert.Equal(t, errors.TypeConfiguration, ae.ErrorType)
	assert.True(t, strings.Contains(err.Error(), "definitely_not_a_setting"))
}

func (s *AdapterTestSuite) testConcurrentSessions(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 5)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs <- fmt.Errorf("panic: %v", r)
				}
			}()
			ctx, cancel := s.context()
			defer cancel()
			if _, err := CollectDevices(ctx, s.adapter, s.client); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err, "Concurrent sessions should not fail")
	}
}

// CollectDevices connects, gathers every device and closes the session.
func CollectDevices(ctx context.Context, a adapters.Adapter, client config.ClientConfig) ([]*schema.Device, error) {
	session, err := a.Connect(ctx, client)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var out []*schema.Device
	err = session.Devices(ctx, func(d *schema.Device) error {
		out = append(out, d)
		return nil
	})
	return out, err
}

// CollectUsers connects, gathers every user and closes the session.
func CollectUsers(ctx context.Context, a adapters.Adapter, client config.ClientConfig) ([]*schema.User, error) {
	session, err := a.Connect(ctx, client)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var out []*schema.User
	err = session.Users(ctx, func(u *schema.User) error {
		out = append(out, u)
		return nil
	})
	return out, err
}

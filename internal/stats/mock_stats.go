package stats

import "github.com/stretchr/testify/mock"

// MockStatsProvider is a testify double for StatsProvider. Signaling
// tests that only care about one counter set a single expectation and
// mark the rest Maybe.
type MockStatsProvider struct {
	mock.Mock
}

func (m *MockStatsProvider) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsProvider) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsProvider) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockStatsProvider) Run() {
	m.Called()
}

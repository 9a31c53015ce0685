// Package mocks provides mock implementations for testing the crude-functions job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the
// repository ports defined in internal/core. The generated files are committed so
// tests build without a generate step; rerun go generate after an interface changes.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, GetByReference, List, Stats, ClaimOne, WaitForNotification,
// Start, Heartbeat, Finish, RequestCancel, ReclaimOrphans, Delete
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/Xkonti/crude-functions-core/internal/core JobRepository

// Generate mock for ScheduleRepository interface from internal/core package.
// This creates MockScheduleRepository with methods for all ScheduleRepository interface methods:
// Insert, GetByName, List, SetStatus, Delete, FindDue, Fire, ResolveCompletion,
// FindTracked, FindTrackedCompleted, DeleteTransient
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=schedule_repository_mock.go github.com/Xkonti/crude-functions-core/internal/core ScheduleRepository

// Generate mock for CacheRepository interface from internal/core package.
// This creates MockCacheRepository with methods for all CacheRepository interface methods:
// Set, Get, Delete, Exists, SetIfNotExists, Health
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=cache_repository_mock.go github.com/Xkonti/crude-functions-core/internal/core CacheRepository

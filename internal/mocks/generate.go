// Package mocks holds gomock doubles for the ports.
package mocks

//go:generate mockgen -destination=eventstore.go -package=mocks -mock_names=Store=MockEventStore github.com/alanyang/promptlab/internal/port/eventstore Store
//go:generate mockgen -destination=run.go -package=mocks -mock_names=Repository=MockRunRepository github.com/alanyang/promptlab/internal/port/run Repository
//go:generate mockgen -destination=definition.go -package=mocks -mock_names=Lookup=MockDefinitionLookup github.com/alanyang/promptlab/internal/port/definition Lookup
//go:generate mockgen -destination=model.go -package=mocks -mock_names=Invoker=MockModelInvoker github.com/alanyang/promptlab/internal/port/model Invoker
//go:generate mockgen -destination=idempotency.go -package=mocks -mock_names=Store=MockIdempotencyStore github.com/alanyang/promptlab/internal/port/idempotency Store
//go:generate mockgen -destination=eventbus.go -package=mocks -mock_names=EventBus=MockEventBus github.com/alanyang/promptlab/internal/port/eventbus EventBus
//go:generate mockgen -destination=locker.go -package=mocks -mock_names=AdvisoryLocker=MockAdvisoryLocker github.com/alanyang/promptlab/internal/port/locker AdvisoryLocker

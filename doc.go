// Package payflow provides a durable saga engine for payment transactions.
//
// A payment is driven through a fixed sequence of steps (authorize, then
// capture) against an external gateway. Every state transition is committed
// to a Ledger before anything is announced to the outside world, so the
// engine can be stopped at any point and resumed from the ledger on the next
// start. Steps that fail definitively cause the already succeeded steps to be
// undone in reverse order (compensation).
//
// Overview
//
//  1. Pick storage:
//     - A Ledger (MemoryLedger, or badgerstore / sqlstore for durable state).
//     - An IdempotencyRegistry (MemoryRegistry, badgerstore, sqlstore).
//  2. Pick an EventBus (MemoryBus, or amqpbus for RabbitMQ).
//  3. Provide a Gateway implementation (see the sandbox package for an
//     in-process one).
//  4. Create the Engine with NewEngine, call Recover once at startup, then
//     admit payments with Start and query them with Status.
//
// Step definitions live in a StepRegistry. Each step name maps to a forward
// operation and an optional inverse; GatewaySteps registers the payment steps.
package payflow

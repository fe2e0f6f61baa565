// Package task queues orchestrated runs as jobs. A Service stores and
// publishes jobs; a Processor consumes their ids from a memory, Redis or
// RabbitMQ queue, executes them and retries retryable failures.
package task

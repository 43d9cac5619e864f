// Package rabbitmq publishes audit events to a RabbitMQ topic exchange with
// publisher confirms.
//
// Publishes are serialized and each waits for its own confirm. A missed or
// out-of-order confirm closes the channel, so a late confirm can never be
// attributed to the next event.
package rabbitmq

// Package health aggregates liveness and readiness checks for a relay
// process. BrokerChecker reports a broker's connection state and ping time;
// Mount exposes the aggregated report over HTTP.
package health

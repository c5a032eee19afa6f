// Package observability records Ralph's session lifecycle events as JSON
// Lines, derives session metrics from them on demand, evaluates alert
// conditions and delivers alerts and session outcomes to Slack.
package observability

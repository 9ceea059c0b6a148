// Package lifecycle provides the init/start/stop state machine, a
// class-keyed hook registry standing in for decorator-attached metadata,
// and supervised background tasks shared by every AIPerf service.
package lifecycle

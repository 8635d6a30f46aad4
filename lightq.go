/*
Copyright 2025 LightQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package lightq contains global constants shared across the codebase.
package lightq

// Version is the semantic version of the server, set at build time via
// -ldflags when cutting a release.
var Version = "0.1.0-dev"

// Component names used to tag log lines and metrics with the subsystem
// that emitted them.
const (
	// ComponentQueue is the queueing engine (push/pop/ack state machine)
	ComponentQueue = "lightq:queue"

	// ComponentPromoter is the scheduled message promoter loop
	ComponentPromoter = "lightq:promoter"

	// ComponentCache is the redis-backed message cache
	ComponentCache = "lightq:cache"

	// ComponentBackend is the durable document store
	ComponentBackend = "lightq:backend"

	// ComponentWeb is the HTTP API frontend
	ComponentWeb = "lightq:web"

	// ComponentProcess is the top-level service supervisor
	ComponentProcess = "lightq:process"
)

// ComponentKey is the attribute key under which the component name is
// attached to structured log records.
const ComponentKey = "component"

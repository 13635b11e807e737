// Package httpapp serves the gateway's pages.
//
// Routes:
//
//	GET /                    home page, or the post view when ?url= names a post
//	                         (?show_thread= and ?hide_parent= shape the thread)
//	GET /feed?user=<handle>  an author's recent posts (?actor= is accepted too)
//	GET /healthz             liveness and upstream session state
//	GET /metrics             Prometheus metrics
//
// Every page answers with JSON instead of HTML when the request's Accept
// header includes application/json.
package httpapp

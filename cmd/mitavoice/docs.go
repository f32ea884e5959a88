package main

// General API documentation for swaggo. Generate with `swag init -g cmd/mitavoice/docs.go`
// and build with -tags=swagger to serve it under /swagger/.
//
// @title           mitavoice API
// @version         1.0
// @description     Host API of the voice model orchestrator: model install, initialize, voiceover and the game bridge.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

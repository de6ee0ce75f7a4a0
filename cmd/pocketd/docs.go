package main

// General API documentation for swaggo. Run `swag init -g cmd/pocketd/docs.go`
// to generate docs, then build with -tags=swagger.
//
// @title           pocketd API
// @version         1.0
// @description     HTTP API for a local LLM engine: model loading with progress, generation, a chat session and the model cache.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

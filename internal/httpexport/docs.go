package httpexport

import (
	"github.com/swaggo/swag"

	"pkt.systems/harmonyd/internal/version"
)

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "produces": ["application/json"],
    "paths": {
        "/healthz": {
            "get": {
                "summary": "Liveness and build version",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/HealthResponse"}}}
            }
        },
        "/api/v1/sessions": {
            "get": {
                "summary": "List tuning sessions",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/SessionsResponse"}},
                    "503": {"description": "Server loop busy", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/api/v1/sessions/{name}/history": {
            "get": {
                "summary": "Page through a session's performance history",
                "parameters": [
                    {"name": "name", "in": "path", "required": true, "type": "string"},
                    {"name": "since", "in": "query", "type": "integer", "minimum": 0}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/HistoryResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/ErrorResponse"}},
                    "404": {"description": "Unknown session", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/api/v1/config": {
            "get": {
                "summary": "Look up a server or session config value",
                "parameters": [
                    {"name": "key", "in": "query", "required": true, "type": "string"},
                    {"name": "session", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ConfigResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/ErrorResponse"}},
                    "404": {"description": "Unknown key or session", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/api/v1/openapi.json": {
            "get": {
                "summary": "This document",
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "ErrorResponse": {
            "type": "object",
            "properties": {"error_code": {"type": "string"}, "detail": {"type": "string"}}
        },
        "HealthResponse": {
            "type": "object",
            "properties": {"status": {"type": "string"}, "version": {"type": "string"}, "uptime": {"type": "string"}}
        },
        "SessionsResponse": {
            "type": "object",
            "properties": {"sessions": {"type": "array", "items": {"type": "object"}}}
        },
        "HistoryEntry": {
            "type": "object",
            "properties": {
                "idx": {"type": "array", "items": {"type": "integer"}},
                "perf": {"type": "number"},
                "client": {"type": "integer"},
                "time": {"type": "string", "format": "date-time"}
            }
        },
        "HistoryResponse": {
            "type": "object",
            "properties": {
                "session": {"type": "string"},
                "since": {"type": "integer"},
                "next": {"type": "integer"},
                "entries": {"type": "array", "items": {"$ref": "#/definitions/HistoryEntry"}}
            }
        },
        "ConfigResponse": {
            "type": "object",
            "properties": {"session": {"type": "string"}, "key": {"type": "string"}, "value": {"type": "string"}}
        }
    }
}`

// DocName is the swag registry name of the exporter's OpenAPI document.
const DocName = "harmonyd"

// SwaggerInfo describes the read-only exporter API.
var SwaggerInfo = &swag.Spec{
	Version:          version.Current(),
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "harmonyd export API",
	Description:      "Read-only view of tuning sessions, their history and configuration.",
	InfoInstanceName: DocName,
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// Package docs registers the OpenAPI document served by the Swagger UI.
// Regenerate with: swag init -g cmd/server/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/conversations": {
            "get": {
                "tags": ["Conversations"],
                "summary": "List the caller's conversations",
                "operationId": "listConversations",
                "parameters": [
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListConversationsResponse"}},
                    "304": {"description": "Not Modified"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "tags": ["Conversations"],
                "summary": "Find or create the conversation with a counterparty",
                "operationId": "createConversation",
                "parameters": [
                    {"description": "Counterparty and optional first message", "name": "body", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/handlers.CreateConversationRequest"}}
                ],
                "responses": {
                    "200": {"description": "Already existed", "schema": {"$ref": "#/definitions/handlers.CreateConversationResponse"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.CreateConversationResponse"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/conversations/{id}/read": {
            "post": {
                "tags": ["Conversations"],
                "summary": "Mark incoming messages as read",
                "operationId": "markConversationRead",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Conversation ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.MarkReadResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/conversations/{id}/messages": {
            "get": {
                "tags": ["Messages"],
                "summary": "List messages of a conversation (oldest first)",
                "operationId": "listMessages",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Conversation ID", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "default": 1, "minimum": 1, "name": "page", "in": "query"},
                    {"type": "integer", "default": 50, "minimum": 1, "maximum": 200, "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListMessagesResponse"}},
                    "304": {"description": "Not Modified"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/messages": {
            "post": {
                "tags": ["Messages"],
                "summary": "Send a message",
                "operationId": "sendMessage",
                "parameters": [
                    {"type": "string", "description": "Idempotency key for safe retries", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Message payload", "name": "body", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/handlers.SendMessageRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.SendMessageResponse"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/notifications": {
            "get": {
                "tags": ["Notifications"],
                "summary": "List the caller's notifications (newest first)",
                "operationId": "listNotifications",
                "parameters": [
                    {"type": "boolean", "name": "unread", "in": "query"},
                    {"type": "integer", "default": 50, "minimum": 1, "maximum": 200, "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListNotificationsResponse"}}
                }
            }
        },
        "/notifications/{id}/read": {
            "post": {
                "tags": ["Notifications"],
                "summary": "Mark a notification as read",
                "operationId": "markNotificationRead",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Notification ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/ws": {
            "get": {
                "tags": ["Realtime"],
                "summary": "Open the push channel",
                "operationId": "pushSocket",
                "parameters": [
                    {"type": "string", "description": "Bearer JWT", "name": "token", "in": "query"}
                ],
                "responses": {
                    "101": {"description": "Switching Protocols"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.ConversationSummary": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "participant_ids": {"type": "array", "items": {"type": "string"}},
                "last_message": {"$ref": "#/definitions/domain.LastMessage"},
                "unread_count": {"type": "integer"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.LastMessage": {
            "type": "object",
            "properties": {
                "text": {"type": "string"},
                "created_at": {"type": "string"}
            }
        },
        "domain.Message": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "conversation_id": {"type": "string"},
                "sender_id": {"type": "string"},
                "receiver_id": {"type": "string"},
                "text": {"type": "string"},
                "read": {"type": "boolean"},
                "created_at": {"type": "string"}
            }
        },
        "domain.NotificationView": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "type": {"type": "string"},
                "payload": {
                    "type": "object",
                    "properties": {
                        "conversation_id": {"type": "string"},
                        "message_id": {"type": "string"},
                        "sender_id": {"type": "string"},
                        "text": {"type": "string"}
                    }
                },
                "read": {"type": "boolean"},
                "created_at": {"type": "string"}
            }
        },
        "handlers.CreateConversationRequest": {
            "type": "object",
            "required": ["counterparty_id"],
            "properties": {
                "counterparty_id": {"type": "string"},
                "text": {"type": "string"}
            }
        },
        "handlers.CreateConversationResponse": {
            "type": "object",
            "properties": {
                "conversation_id": {"type": "string"},
                "created": {"type": "boolean"},
                "message_id": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "request_id": {"type": "string"}
            }
        },
        "handlers.ListConversationsResponse": {
            "type": "object",
            "properties": {
                "conversations": {"type": "array", "items": {"$ref": "#/definitions/domain.ConversationSummary"}}
            }
        },
        "handlers.ListMessagesResponse": {
            "type": "object",
            "properties": {
                "messages": {"type": "array", "items": {"$ref": "#/definitions/domain.Message"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListNotificationsResponse": {
            "type": "object",
            "properties": {
                "notifications": {"type": "array", "items": {"$ref": "#/definitions/domain.NotificationView"}}
            }
        },
        "handlers.MarkReadResponse": {
            "type": "object",
            "properties": {
                "updated": {"type": "integer"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.SendMessageRequest": {
            "type": "object",
            "properties": {
                "conversation_id": {"type": "string"},
                "receiver_id": {"type": "string"},
                "text": {"type": "string"}
            }
        },
        "handlers.SendMessageResponse": {
            "type": "object",
            "properties": {
                "conversation_id": {"type": "string"},
                "message_id": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Marketplace Messaging API",
	Description:      "Conversations, message delivery, notifications and realtime push between marketplace users.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

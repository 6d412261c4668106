package scenario

// Schema is the JSON schema a scenario document must satisfy
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["plan"],
  "definitions": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "action": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "params": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "role": {"type": "string"},
        "description": {"type": "string"},
        "action": {"$ref": "#/definitions/action"},
        "dependencies": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
        "resources": {"type": "object", "additionalProperties": {"type": "number", "minimum": 0}},
        "timeout": {"$ref": "#/definitions/duration"},
        "estimated_time": {"$ref": "#/definitions/duration"},
        "max_retries": {"type": "integer", "minimum": 0},
        "fallback": {"$ref": "#/definitions/action"},
        "parallel_group": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "plan": {
      "type": "object",
      "required": ["goal", "steps"],
      "properties": {
        "goal": {"type": "string", "minLength": 1},
        "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/step"}}
      },
      "additionalProperties": false
    },
    "behavior": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "fail": {"type": "boolean"},
          "fail_times": {"type": "integer", "minimum": 0},
          "error": {"type": "string"},
          "duration": {"$ref": "#/definitions/duration"},
          "hang": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    },
    "observations": {
      "type": "object",
      "properties": {
        "outcomes": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["step_id", "status"],
            "properties": {
              "step_id": {"type": "string"},
              "status": {"enum": ["pending", "running", "succeeded", "failed", "skipped"]},
              "duration": {"$ref": "#/definitions/duration"},
              "error": {"type": "string"},
              "timed_out": {"type": "boolean"},
              "attempt": {"type": "integer", "minimum": 0}
            }
          }
        },
        "usage": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["resource", "used", "capacity"],
            "properties": {
              "resource": {"type": "string", "minLength": 1},
              "used": {"type": "number", "minimum": 0},
              "capacity": {"type": "number", "exclusiveMinimum": 0}
            }
          }
        },
        "goal_change": {
          "type": "object",
          "properties": {
            "goal": {"type": "string"},
            "obsolete_steps": {"type": "array", "items": {"type": "string"}},
            "added_steps": {"type": "array", "items": {"$ref": "#/definitions/step"}},
            "replacements": {"type": "object", "additionalProperties": {"$ref": "#/definitions/action"}},
            "severity": {"type": "number", "minimum": 0, "maximum": 1}
          }
        }
      },
      "additionalProperties": false
    },
    "roles": {"type": "object"}
  },
  "additionalProperties": false
}`

// Package mongo provides the MongoDB-backed long-term memory store. Notes
// accumulate per workflow and render into the memory context handed to the
// planner on every step.
package mongo

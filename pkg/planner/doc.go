// Package planner holds the task list a PLAN_EXECUTE run works through and
// the plan tools the model uses to create and update it.
package planner

// Package participant holds the study participant data model shared by the
// state policies, the stores and the lifecycle manager.
package participant

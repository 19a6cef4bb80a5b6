/*
Package activity orchestrates session operations: creation, configuration,
starting batch activities and stopping a session.

Starting an activity follows a fixed sequence. Guards run against the
current record, the batch task is started, the record is persisted with the
task id, and only then is a wait loop created for the task. A failure at
any step leaves the state persisted so far in place.

The guard check and the persist are separate queued operations, so two
concurrent starts of the same activity may both pass the guard. Setting
Config.StrictExclusive re-checks the guard inside the persisting update
and stops the task that lost the race.
*/
package activity

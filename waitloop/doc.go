/*
Package waitloop implements the durable poller that waits for a batch task
to finish and then applies exactly one completion update to its session.

# Protocol

Each loop instance is a persisted Checkpoint. A wake-up (Step) runs the
same control logic from the top and moves the checkpoint through

	waiting -> checking -> waiting (next cycle)
	                    -> completing -> completed

The observation of a cycle (the classified status call) is persisted before
it is acted on, so an interrupted step resumes with the recorded result
instead of calling the batch service again. Continuing to the next cycle
replaces the checkpoint in place: the cycle counter grows, nothing else
does.

Scheduling is driven only by the persisted NextWakeAt. Runner.Run polls
the loop store for due checkpoints, so loops resume after a process restart
without any in-memory timers.
*/
package waitloop

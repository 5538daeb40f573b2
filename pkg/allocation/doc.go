/*
Package allocation computes how much of a finite capacity each workload in a
set should receive.

All strategies implement Strategy and are selected by name through New:

	round_robin      equal split
	static_priority  high 50%, normal 30%, low 20% of the total
	fixed_quota      small 20%, medium 30%, large 50% of the total
	proportional     weight / sum(weights) of the total
	threshold        equal split, +50% above 80% utilisation, -20% below 30%
	load_based       inflates predicted hot workloads, then delegates

The returned shares never sum to more than the total. Quota based strategies
divide a class's fraction among its members when the fixed fractions would
overcommit; the threshold strategy scales every share down instead.

Grant converts a share into the amount reserved on a resource instance.
*/
package allocation

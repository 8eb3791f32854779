package scenario

import "math"

// MetricAgreement summarises how closely reviewers agreed with the machine on
// one metric.
type MetricAgreement struct {
	Metric string `json:"metric"`

	// Reviewed counts utterances carrying both a machine and a human score.
	Reviewed int `json:"reviewed"`

	// Exact counts reviewed utterances where the human kept the machine score.
	Exact int `json:"exact"`

	// WithinOne counts reviewed utterances whose scores differ by at most 1.
	WithinOne int `json:"within_one"`

	// MeanAbsError is the mean absolute difference over reviewed utterances.
	MeanAbsError float64 `json:"mean_abs_error"`

	// Bias is the mean signed difference (human minus machine). Positive means
	// reviewers scored higher than the model.
	Bias float64 `json:"bias"`

	// AgreementRate is Exact / Reviewed.
	AgreementRate float64 `json:"agreement_rate"`
}

// Agreement is the per-metric agreement report for one scenario.
type Agreement struct {
	TotalUtterances int               `json:"total_utterances"`
	Metrics         []MetricAgreement `json:"metrics"`
}

// ComputeAgreement compares human overrides with machine scores for every
// metric in [Metrics]. Utterances lacking either score do not count.
func ComputeAgreement(utts []Utterance) Agreement {
	out := Agreement{TotalUtterances: len(utts)}
	for _, m := range Metrics {
		ma := MetricAgreement{Metric: m.Name}
		var absSum, signedSum float64
		for _, u := range utts {
			machine, ok := u.MachineScoreFor(m.Name)
			if !ok {
				continue
			}
			human, ok := u.HumanScoreFor(m.Name)
			if !ok {
				continue
			}
			ma.Reviewed++
			d := float64(human - machine)
			absSum += math.Abs(d)
			signedSum += d
			if d == 0 {
				ma.Exact++
			}
			if math.Abs(d) <= 1 {
				ma.WithinOne++
			}
		}
		if ma.Reviewed > 0 {
			n := float64(ma.Reviewed)
			ma.MeanAbsError = absSum / n
			ma.Bias = signedSum / n
			ma.AgreementRate = float64(ma.Exact) / n
		}
		out.Metrics = append(out.Metrics, ma)
	}
	return out
}

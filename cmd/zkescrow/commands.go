package main

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"zkescrow/internal/action"
	"zkescrow/internal/app"
	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
	"zkescrow/internal/engine"
	"zkescrow/internal/profile"
	"zkescrow/internal/prover"
)

type attrFlags struct {
	text   []string
	number []string
}

func (a *attrFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&a.text, "text", nil, "text attribute name=value (repeatable, order matters)")
	cmd.Flags().StringArrayVar(&a.number, "number", nil, "numeric attribute name=value (repeatable, after text attributes)")
}

func (a attrFlags) attributes() ([]commitment.Attribute, error) {
	var out []commitment.Attribute
	for _, kv := range a.text {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("--text %q: want name=value", kv)
		}
		out = append(out, commitment.TextAttr(name, value))
	}
	for _, kv := range a.number {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("--number %q: want name=value", kv)
		}
		n, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("--number %q: value must be a decimal integer", kv)
		}
		out = append(out, commitment.NumberAttr(name, n))
	}
	return out, nil
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Compile the membership circuit and write fresh proving artifacts",
		Long:  "Writes the constraint system, proving key, verification key and an input template with a random secret to the configured circuit paths. Existing files are overwritten.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options())
			if err != nil {
				return err
			}
			set := prover.ArtifactSetFromConfig(viper.GetString("workspace"), cfg.Circuit)
			if err := prover.Setup(prover.NewOSStore(), set); err != nil {
				return err
			}
			return printJSONOrTable(set)
		},
	}
}

func proveCmd() *cobra.Command {
	var (
		opts  engine.ProveOptions
		attrs attrFlags
		role  int
	)
	cmd := &cobra.Command{
		Use:   "prove",
		Short: "Generate a membership proof and commitments for a DID",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Attributes, err = attrs.attributes(); err != nil {
				return err
			}
			if cmd.Flags().Changed("role-type") {
				opts.RoleType = &role
			}
			opts.ActorID = actor()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Prove(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DID, "did", "", "decentralized identifier (never stored)")
	cmd.Flags().StringVar(&opts.FullName, "full-name", "", "profile full name")
	cmd.Flags().StringVar(&opts.Age, "age", "", "profile age")
	cmd.Flags().IntVar(&role, "role-type", 0, "profile role type (1 freelancer, 2 poster)")
	attrs.bind(cmd)
	_ = cmd.MarkFlagRequired("did")
	return cmd
}

func verifyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a proof produced by 'zkescrow prove'",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in struct {
				Proof         domain.Groth16Proof `json:"proof"`
				PublicSignals []string            `json:"publicSignals"`
			}
			if err := readJSONFile(file, &in); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.VerifyProof(ctx, in.Proof, in.PublicSignals, actor()); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"valid": true})
				}
				fmt.Println("proof OK")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "prove output JSON ('-' for stdin)")
	return cmd
}

func proofsCmd() *cobra.Command {
	p := &cobra.Command{Use: "proofs", Short: "Inspect recorded proofs"}
	var (
		didCommitment string
		limit         int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded proofs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListProofs(ctx, didCommitment, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "DID commitment", "Actor", "Created")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.DIDCommitment, r.ActorID, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&didCommitment, "did-commitment", "", "filter by DID commitment")
	list.Flags().IntVar(&limit, "n", 20, "number of proofs")
	p.AddCommand(list)
	p.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a recorded proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Engine.Proof(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	})
	return p
}

func commitCmd() *cobra.Command {
	var (
		did   string
		attrs attrFlags
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Derive commitments without proving",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := attrs.attributes()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.Commitments(commitment.Claim{DID: did, Attributes: list})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&did, "did", "", "decentralized identifier")
	attrs.bind(cmd)
	return cmd
}

func actionCmd() *cobra.Command {
	var (
		req       action.Request
		index     int64
		amounts   []string
		durations []string
		deadline  int64
		override  bool
		createJob bool
	)
	cmd := &cobra.Command{
		Use:   "action <kind>",
		Short: "Build an execute_job_action payload",
		Long: fmt.Sprintf(`Encodes one job action into the dispatcher's ten positional arguments.
Kinds: %s.
claim and auto_return_stake are refused unless the milestone has expired; --override skips only that check.
apply is refused for banned workers.`, kindNames()),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Action = args[0]
			if cmd.Flags().Changed("milestone") {
				if index < 0 {
					return fmt.Errorf("--milestone must not be negative")
				}
				idx := uint64(index)
				req.MilestoneIndex = &idx
			}
			if cmd.Flags().Changed("deadline") {
				req.ApplicationDeadline = &deadline
			}
			for _, a := range amounts {
				req.Milestones = append(req.Milestones, action.MilestoneInput{Amount: a})
			}
			for _, d := range durations {
				v, err := strconv.ParseUint(d, 10, 64)
				if err != nil {
					return fmt.Errorf("--duration %q: %w", d, err)
				}
				req.MilestoneDurations = append(req.MilestoneDurations, v)
			}
			a, err := action.Parse(req)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var enc action.Encoded
				if post, ok := a.(action.Post); ok && createJob {
					enc, err = rt.Engine.PrepareCreateJob(ctx, post, actor())
				} else {
					enc, err = rt.Engine.PrepareAction(ctx, a, engine.ActionOptions{ActorID: actor(), Override: override})
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") || len(enc.Arguments()) != action.Arity {
					return printJSON(enc)
				}
				printSlots(enc)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&req.JobID, "job", 0, "job id")
	cmd.Flags().StringVar(&req.UserCommitment, "commitment", "", "caller commitment (0x hex)")
	cmd.Flags().StringVar(&req.WorkerCommitment, "worker", "", "worker commitment for approve and auto_return_stake")
	cmd.Flags().Int64Var(&index, "milestone", 0, "milestone index for submit, accept and claim")
	cmd.Flags().StringVar(&req.CID, "cid", "", "evidence cid for submit")
	cmd.Flags().StringVar(&req.JobDetailsCID, "details-cid", "", "job details cid for post")
	cmd.Flags().StringSliceVar(&amounts, "amount", nil, "milestone amounts in APT for post, e.g. 1.5")
	cmd.Flags().StringSliceVar(&durations, "duration", nil, "milestone durations in seconds for post")
	cmd.Flags().Int64Var(&deadline, "deadline", 0, "application deadline (unix seconds) for post")
	cmd.Flags().BoolVar(&override, "override", false, "skip the milestone expiry check")
	cmd.Flags().BoolVar(&createJob, "create-job", false, "encode post as the standalone create_job call")
	return cmd
}

// printSlots renders the dispatcher arguments one slot per row, marking the
// slots this action leaves empty.
func printSlots(enc action.Encoded) {
	tw := newTable("#", "Slot", "Value", "")
	for i, v := range enc.Arguments() {
		mark := ""
		if action.IsPlaceholder(v) {
			mark = "empty"
		}
		tw.AppendRow(table.Row{i, action.SlotNames[i], fmt.Sprint(v), mark})
	}
	caption := enc.Payload.Function
	if enc.Deposit > 0 {
		caption += " deposit " + action.FormatAmount(enc.Deposit) + " APT"
	}
	tw.SetCaption("%s", caption)
	tw.Render()
}

func kindNames() string {
	var names []string
	for _, k := range domain.ActionKinds() {
		names = append(names, k.String())
	}
	return strings.Join(names, ", ")
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{Use: "guard", Short: "Query guard predicates on the ledger"}
	g.AddCommand(guardExpiryCmd())
	g.AddCommand(guardBannedCmd())
	return g
}

func guardExpiryCmd() *cobra.Command {
	var (
		jobID   uint64
		indices []uint
	)
	cmd := &cobra.Command{
		Use:   "expiry",
		Short: "Report whether milestones have passed their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			list := make([]uint64, len(indices))
			for i, v := range indices {
				list[i] = uint64(v)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Engine.CheckExpiry(ctx, jobID, list)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable("Milestone", "Expired", "Deadline", "Now")
				for _, r := range report {
					tw.AppendRow(table.Row{r.MilestoneIndex, r.IsExpired, r.MilestoneDeadline, r.CurrentTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&jobID, "job", 0, "job id")
	cmd.Flags().UintSliceVar(&indices, "milestone", []uint{0}, "milestone indices")
	return cmd
}

func guardBannedCmd() *cobra.Command {
	var (
		jobID  uint64
		worker string
	)
	cmd := &cobra.Command{
		Use:   "banned",
		Short: "Report whether a worker commitment is banned from a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				banned, err := rt.Engine.CheckBanned(ctx, jobID, worker)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job_id": jobID, "worker_commitment": worker, "is_banned": banned})
			})
		},
	}
	cmd.Flags().Uint64Var(&jobID, "job", 0, "job id")
	cmd.Flags().StringVar(&worker, "worker", "", "worker commitment")
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Read jobs from the ledger"}
	j.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a job and its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("job id %q: %w", args[0], err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				fmt.Printf("job %d  status=%s  total=%s APT\n", job.ID, job.Status(), action.FormatAmount(job.TotalAmount()))
				tw := newTable("#", "Amount (APT)", "Duration", "Deadline", "Submitted", "Accepted", "Expired")
				for _, m := range job.Milestones {
					tw.AppendRow(table.Row{m.Index, action.FormatAmount(m.Amount), m.Duration, m.Deadline, m.Submitted, m.Accepted, m.Expired})
				}
				tw.Render()
				return nil
			})
		},
	})
	return j
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "profile",
		Short: "Build DID profile payloads and resolve controllers",
	}
	p.AddCommand(profileOpCmd(engine.ProfileCreate, "Build a create_profile payload"))
	p.AddCommand(profileOpCmd(engine.ProfileUpdate, "Build an update_profile payload"))
	p.AddCommand(profileOpCmd(engine.ProfileBurn, "Build a burn_did payload"))
	p.AddCommand(&cobra.Command{
		Use:   "resolve <address>",
		Short: "Check that an address controls its registered DID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.VerifyDID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	})
	return p
}

func profileOpCmd(op, short string) *cobra.Command {
	var (
		req   profile.Request
		attrs attrFlags
		roles []int
	)
	cmd := &cobra.Command{
		Use:   op,
		Short: short,
		Long:  "Commitments left empty default to 0x. With --derive the DID, attribute and table commitments are computed from --did and the attribute flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RoleTypes = roles
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if derive, _ := cmd.Flags().GetBool("derive"); derive {
					list, err := attrs.attributes()
					if err != nil {
						return err
					}
					c, err := rt.Engine.Commitments(commitment.Claim{DID: req.DID, Attributes: list})
					if err != nil {
						return err
					}
					req = req.FromSet(c.Set)
					req.TableCommitmentHex = c.TableCommitmentHex
				}
				payload, err := rt.Engine.PrepareProfile(ctx, op, req, actor())
				if err != nil {
					return err
				}
				return printJSON(payload)
			})
		},
	}
	cmd.Flags().StringVar(&req.DID, "did", "", "decentralized identifier")
	cmd.Flags().IntSliceVar(&roles, "role", nil, "role types (1 freelancer, 2 poster)")
	cmd.Flags().StringVar(&req.ProfileCID, "profile-cid", "", "profile cid (hex or text)")
	cmd.Flags().StringVar(&req.DIDCommitment, "did-commitment", "", "DID commitment (0x hex)")
	cmd.Flags().StringVar(&req.TableCommitmentHex, "table-commitment", "", "table commitment (0x hex)")
	cmd.Flags().StringSliceVar(&req.TICommitment, "ti-commitment", nil, "TI commitment elements")
	cmd.Flags().StringSliceVar(&req.ACommitment, "a-commitment", nil, "A commitment elements")
	cmd.Flags().Bool("derive", false, "derive commitments from --did and attributes")
	attrs.bind(cmd)
	_ = cmd.MarkFlagRequired("did")
	return cmd
}

func submissionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "submission",
		Short: "Manage submission leases",
		Long:  "A lease marks a job or DID as having a submission in flight. Claim before submitting; the lease is dropped once the signer accepts the payload.",
	}
	s.AddCommand(submissionClaimCmd())
	s.AddCommand(submissionReleaseCmd())
	s.AddCommand(submissionSubmitCmd())
	s.AddCommand(submissionListCmd())
	return s
}

func submissionClaimCmd() *cobra.Command {
	var (
		jobID uint64
		did   string
	)
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the lease for a job or DID",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := engine.SubmissionKey(jobID, did)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sub, err := rt.Engine.ClaimSubmission(ctx, key, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().Uint64Var(&jobID, "job", 0, "job id")
	cmd.Flags().StringVar(&did, "did", "", "DID for profile operations")
	return cmd
}

func submissionReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <key>",
		Short: "Release a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.ReleaseSubmission(ctx, args[0], actor()); err != nil {
					return err
				}
				fmt.Println("released", args[0])
				return nil
			})
		},
	}
}

func submissionSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit <key>",
		Short: "Rebuild a guarded payload and relay it to the configured signer under a held lease",
		Long: `Reads a JSON request naming what to send, never a raw payload:
  {"job": {"action": "apply", "job_id": 7, "user_commitment": "0x.."}, "override": false}
  {"job": {"action": "post", ...}, "create_job": true}
  {"profile_op": "burn", "profile": {"did": "did:example:alice"}}
The payload is rebuilt and the guard runs again before anything reaches the signer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in struct {
				Job       *action.Request  `json:"job"`
				Override  bool             `json:"override"`
				CreateJob bool             `json:"create_job"`
				ProfileOp string           `json:"profile_op"`
				Profile   *profile.Request `json:"profile"`
			}
			if err := readJSONFile(file, &in); err != nil {
				return err
			}
			req := engine.SubmitRequest{Key: args[0], Override: in.Override, ProfileOp: in.ProfileOp, Profile: in.Profile}
			if in.Job != nil {
				a, err := action.Parse(*in.Job)
				if err != nil {
					return err
				}
				if post, ok := a.(action.Post); ok && in.CreateJob {
					req.CreateJob = &post
				} else {
					req.Action = a
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Submit(ctx, req, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "submit request JSON ('-' for stdin)")
	return cmd
}

func submissionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List held leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListSubmissions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Key", "Owner", "Acquired", "Expires")
				for _, s := range items {
					tw.AppendRow(table.Row{s.Key, s.OwnerID, s.AcquiredAt, s.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"github.com/caio-sobreiro/dicomclient/client"
	"github.com/caio-sobreiro/dicomclient/dicom"
	"github.com/caio-sobreiro/dicomclient/types"
)

func newEchoCmd() *subcommand {
	return &subcommand{
		desc: "Verifies the association with C-ECHO",
		run: func(ctx context.Context, c *client.Client, _ []string, stdout io.Writer) error {
			if err := c.Echo(ctx); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "C-ECHO succeeded")
			return nil
		},
	}
}

func newStoreCmd() *subcommand {
	return &subcommand{
		desc: "Sends Part 10 files with C-STORE over one association",
		run: func(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
			if len(args) == 0 {
				return errors.New("store: no files given")
			}

			var errs error
			var reqs []*client.Request
			paths := make(map[*client.Request]string)
			for _, path := range args {
				req, err := client.NewCStoreRequestFromFile(path)
				if err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				reqs = append(reqs, req)
				paths[req] = path
			}
			if len(reqs) == 0 {
				return errs
			}

			c.AddRequest(reqs...)
			if err := sendAll(ctx, c, reqs); err != nil {
				errs = multierror.Append(errs, err)
			}

			for _, req := range reqs {
				select {
				case <-req.Done():
				default:
					errs = multierror.Append(errs, fmt.Errorf("%s: not sent", paths[req]))
					fmt.Fprintf(stdout, "%s: not sent\n", paths[req])
					continue
				}
				resp, err := req.Wait(ctx)
				if err == nil {
					err = resp.Err()
				}
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", paths[req], err))
					fmt.Fprintf(stdout, "%s: failed: %v\n", paths[req], err)
					continue
				}
				fmt.Fprintf(stdout, "%s: stored (status 0x%04X)\n", paths[req], resp.Status())
			}
			return errs
		},
	}
}

// sendAll runs the client until every request completed. A run that ends
// cleanly with requests left behind is retried as long as it made progress
// or ended on an association request timeout; the client turns the last
// allowed timeout into an error.
func sendAll(ctx context.Context, c *client.Client, reqs []*client.Request) error {
	remaining := pending(reqs)
	for remaining > 0 {
		if err := c.Send(ctx, client.ReleaseGracefully); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		left := pending(reqs)
		if left == remaining && c.ConsecutiveTimeouts() == 0 {
			return nil
		}
		remaining = left
	}
	return nil
}

func pending(reqs []*client.Request) int {
	n := 0
	for _, req := range reqs {
		select {
		case <-req.Done():
		default:
			n++
		}
	}
	return n
}

// queryArgs are shared by find and move.
type queryArgs struct {
	model string
	level string
	keys  []string
}

func (q *queryArgs) register(flags *pflag.FlagSet) {
	flags.StringVarP(&q.model, "model", "m", "study", "information model: patient, study or worklist")
	flags.StringVarP(&q.level, "level", "l", "STUDY", "query/retrieve level")
	flags.StringArrayVarP(&q.keys, "key", "k", nil, "matching key as Keyword=value or GGGG,EEEE=value, repeatable")
}

func (q *queryArgs) identifier(model string, withLevel bool) (*dicom.Dataset, error) {
	ds := dicom.NewDataset()
	if withLevel {
		level, err := types.ParseQueryLevel(q.level)
		if err != nil {
			return nil, err
		}
		if !level.Allowed(model) {
			return nil, fmt.Errorf("level %s is not valid for %s", level, types.GetSOPClassInfo(model).Name)
		}
		ds.SetString(dicom.TagQueryRetrieveLevel, string(level))
	}
	for _, key := range q.keys {
		tag, value, err := parseKey(key)
		if err != nil {
			return nil, err
		}
		ds.SetString(tag, value)
	}
	return ds, nil
}

func newFindCmd() *subcommand {
	var q queryArgs
	return &subcommand{
		desc:  "Queries with C-FIND and prints every match",
		flags: q.register,
		run: func(ctx context.Context, c *client.Client, _ []string, stdout io.Writer) error {
			model, err := findModel(q.model)
			if err != nil {
				return err
			}
			identifier, err := q.identifier(model, model != types.ModalityWorklistInformationModelFind)
			if err != nil {
				return err
			}

			matches, err := c.Find(ctx, model, identifier)
			for i, match := range matches {
				fmt.Fprintf(stdout, "# match %d\n%s", i+1, match)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%d matches\n", len(matches))
			return nil
		},
	}
}

func newMoveCmd() *subcommand {
	var q queryArgs
	var destination string
	return &subcommand{
		desc: "Asks the peer to send matching instances with C-MOVE",
		flags: func(flags *pflag.FlagSet) {
			q.register(flags)
			flags.StringVarP(&destination, "dest", "d", "", "move destination AE title")
		},
		run: func(ctx context.Context, c *client.Client, _ []string, stdout io.Writer) error {
			if destination == "" {
				return errors.New("move: --dest is required")
			}
			model, err := moveModel(q.model)
			if err != nil {
				return err
			}
			identifier, err := q.identifier(model, true)
			if err != nil {
				return err
			}

			resp, err := c.Move(ctx, model, destination, identifier)
			if resp != nil {
				cmd := resp.Command
				fmt.Fprintf(stdout, "status 0x%04X completed=%s failed=%s warning=%s\n", resp.Status(),
					counter(cmd.NumberOfCompletedSuboperations),
					counter(cmd.NumberOfFailedSuboperations),
					counter(cmd.NumberOfWarningSuboperations))
			}
			return err
		},
	}
}

func counter(v *uint16) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(int(*v))
}

func findModel(name string) (string, error) {
	switch strings.ToLower(name) {
	case "patient":
		return types.PatientRootQueryRetrieveInformationModelFind, nil
	case "study":
		return types.StudyRootQueryRetrieveInformationModelFind, nil
	case "worklist", "mwl":
		return types.ModalityWorklistInformationModelFind, nil
	}
	return "", fmt.Errorf("unknown information model %q", name)
}

func moveModel(name string) (string, error) {
	switch strings.ToLower(name) {
	case "patient":
		return types.PatientRootQueryRetrieveInformationModelMove, nil
	case "study":
		return types.StudyRootQueryRetrieveInformationModelMove, nil
	}
	return "", fmt.Errorf("unknown information model %q", name)
}

var keywords = map[string]dicom.Tag{
	"AccessionNumber":               dicom.TagAccessionNumber,
	"Modality":                      dicom.TagModality,
	"ModalitiesInStudy":             dicom.TagModalitiesInStudy,
	"PatientBirthDate":              dicom.TagPatientBirthDate,
	"PatientID":                     dicom.TagPatientID,
	"PatientName":                   dicom.TagPatientName,
	"PatientSex":                    dicom.TagPatientSex,
	"QueryRetrieveLevel":            dicom.TagQueryRetrieveLevel,
	"ReferringPhysicianName":        dicom.TagReferringPhysicianName,
	"SeriesDescription":             dicom.TagSeriesDescription,
	"SeriesInstanceUID":             dicom.TagSeriesInstanceUID,
	"SeriesNumber":                  dicom.TagSeriesNumber,
	"SOPInstanceUID":                dicom.TagSOPInstanceUID,
	"StudyDate":                     dicom.TagStudyDate,
	"StudyDescription":              dicom.TagStudyDescription,
	"StudyID":                       dicom.TagStudyID,
	"StudyInstanceUID":              dicom.TagStudyInstanceUID,
	"StudyTime":                     dicom.TagStudyTime,
	"NumberOfStudyRelatedInstances": dicom.TagNumberOfStudyRelatedInstances,
}

// parseKey parses Keyword=value or GGGG,EEEE=value. The value may be empty
// to request the attribute back.
func parseKey(key string) (dicom.Tag, string, error) {
	name, value, _ := strings.Cut(key, "=")
	if tag, ok := keywords[name]; ok {
		return tag, value, nil
	}

	group, element, ok := strings.Cut(strings.Trim(name, "()"), ",")
	if !ok {
		return dicom.Tag{}, "", fmt.Errorf("unknown key %q", name)
	}
	g, err := strconv.ParseUint(group, 16, 16)
	if err != nil {
		return dicom.Tag{}, "", fmt.Errorf("invalid tag %q: %w", name, err)
	}
	e, err := strconv.ParseUint(element, 16, 16)
	if err != nil {
		return dicom.Tag{}, "", fmt.Errorf("invalid tag %q: %w", name, err)
	}
	return dicom.Tag{Group: uint16(g), Element: uint16(e)}, value, nil
}
